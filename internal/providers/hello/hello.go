// Package hello is the smallest useful provider: one command that greets.
package hello

import (
	"context"
	"strings"

	"github.com/danmuck/nodus/internal/app"
	"github.com/danmuck/nodus/internal/command"
)

const (
	Name    = "helloworld"
	Version = "1.0.0"
)

func New() *app.Application {
	a := app.New(Name, app.WithDescription("Greets people"), app.WithVersion(Version))
	_ = a.Command("sayhello", []command.Parameter{
		{Name: "name", Required: true, Description: "Who to greet"},
	}, SayHello)
	return a
}

func SayHello(_ context.Context, args command.Args) (any, error) {
	name := strings.TrimSpace(args.String("name"))
	if name == "" {
		name = "World"
	}
	return "Hello, " + name + "!", nil
}

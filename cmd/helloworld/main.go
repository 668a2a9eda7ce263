// Command helloworld is a provider that answers sayhello over stdin/stdout.
package main

import (
	"github.com/danmuck/nodus/internal/child"
	"github.com/danmuck/nodus/internal/providers/hello"
)

func main() {
	child.Main(hello.New())
}

// Command kvstore is an in-memory key-value provider.
package main

import (
	"github.com/danmuck/nodus/internal/child"
	"github.com/danmuck/nodus/internal/providers/kv"
)

func main() {
	child.Main(kv.New())
}

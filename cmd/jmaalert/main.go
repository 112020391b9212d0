package main

import (
	_ "time/tzdata"

	"github.com/emerry-tsun/JMA/internal/cli"
)

func main() {
	cli.Execute()
}

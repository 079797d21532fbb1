package main

import (
	"github.com/sidkik/lansync/cmd"
	"github.com/sidkik/lansync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}

package main

import (
	"github.com/sidkik/deltasync/cmd"
	"github.com/sidkik/deltasync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}

package main

import "github.com/fgrehm/cribd/cmd"

func main() {
	cmd.Execute()
}

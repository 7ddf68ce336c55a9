package main

import "github.com/shuttlehq/shuttle/cmd"

func main() {
	cmd.Execute()
}

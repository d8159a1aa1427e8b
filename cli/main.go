package main

import "github.com/lancejames221b/hivevault/cli/cmd"

func main() {
	cmd.Execute()
}

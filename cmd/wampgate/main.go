package main

import "github.com/wampgate/wampgate/cmd/wampgate/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/gembot-dev/gembot/cmd"

func main() {
	cmd.Execute()
}

package main

import "mikuai/cmd"

func main() {
	cmd.Execute()
}

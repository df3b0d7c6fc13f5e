package main

import "github.com/nextlevelbuilder/gopylon/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/nextlevelbuilder/rho-telegram-bridge/cmd"

func main() {
	cmd.Execute()
}

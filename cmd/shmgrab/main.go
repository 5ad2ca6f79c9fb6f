package main

import "github.com/bryanchriswhite/shmgrab/cmd/shmgrab/commands"

func main() {
	commands.Execute()
}

package main

import "github.com/timvw/orchflow/cmd"

func main() {
	cmd.Execute()
}

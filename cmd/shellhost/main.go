package main

import "github.com/vanpelt/shellhost/internal/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/theirongolddev/usagesync/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/bl8ckfz/dealer-engine/internal/cli"

func main() {
	cli.Execute()
}

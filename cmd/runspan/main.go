package main

import "github.com/stleox/runspan/pkg/cmd"

func main() {
	cmd.Execute()
}

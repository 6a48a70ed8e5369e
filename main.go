// main.go
package main

import (
	"riptide/cmd"
)

func main() {
	cmd.Execute()
}

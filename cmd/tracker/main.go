package main

import "github.com/rudransh-shrivastava/peer-touch/internal/cli"

func main() {
	cli.ExecuteTracker()
}

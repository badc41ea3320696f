package main

import "github.com/gyeonghwan0322/kospi-futures-quant-project/internal/cli"

func main() {
	cli.Execute()
}

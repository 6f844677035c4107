// gridcalc evaluates spreadsheet workbooks from the command line.
package main

import (
	"os"

	"github.com/vogtb/go-spreadsheet/packages/recalc/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package cmd

import (
	"fmt"
	"io"
)

const banner = `
                _                  _       
   ___ ___ _ __| |_ __ _  __ _ ___| |_ ___ 
  / __/ _ \ '__| __/ _` + "`" + ` |/ _` + "`" + ` / _ \ __/ _ \
 | (_|  __/ |  | || (_| | (_| |  __/ ||  __/
  \___\___|_|   \__\__, |\__,_|\___|\__\___|
                   |___/                    
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Client Certificate Gateway - Version %s\x1b[0m\n\n", Version)
}

// enginectl is an interactive shell for the enginedash API.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	flag "github.com/spf13/pflag"

	"github.com/xtxerr/enginedash/internal/client"
)

// Version is set at build time via ldflags
var Version = "dev"

func isQuit(s string) bool {
	s = strings.TrimSpace(s)
	return s == "quit" || s == "exit"
}

func main() {
	server := flag.StringP("server", "s", "http://localhost:4000", "server URL")
	token := flag.StringP("token", "t", "", "API token (or ENGINEDASH_TOKEN env)")
	insecure := flag.BoolP("insecure", "k", false, "skip TLS certificate verification")
	exec := flag.StringP("exec", "e", "", "run one command and exit")
	version := flag.BoolP("version", "v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("enginectl", Version)
		return
	}

	tok := *token
	if tok == "" {
		tok = os.Getenv("ENGINEDASH_TOKEN")
	}

	c, err := client.New(&client.Config{
		BaseURL:       *server,
		Token:         tok,
		TLSSkipVerify: *insecure,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "enginectl:", err)
		os.Exit(1)
	}
	defer c.Close()

	sh := newShell(c, os.Stdout, os.Stdin)
	defer sh.stop()

	if tok != "" {
		sh.Execute("token " + tok)
	}

	if *exec != "" {
		sh.Execute(*exec)
		return
	}

	fmt.Printf("enginectl %s connected to %s. Type help for commands.\n", Version, *server)
	p := prompt.New(
		sh.Execute,
		sh.Complete,
		prompt.OptionTitle("enginectl"),
		prompt.OptionLivePrefix(sh.livePrefix),
		prompt.OptionPrefixTextColor(prompt.Cyan),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isQuit(in)
		}),
	)
	p.Run()
}

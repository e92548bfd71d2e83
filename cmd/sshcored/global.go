package main

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/options"
)

// GlobalOptions holds the flags shared by every sshcored command.
type GlobalOptions struct {
	Listen         string
	AuthorizedKeys string
	Password       string
	AuthMethods    string
	Banner         string
	MaxAttempts    int
	StrictModes    bool

	// Options are generic -o key=value settings, parsed into the
	// extended option set.
	Options []string

	extended options.Options
}

var globalOptions = GlobalOptions{
	Listen:      "127.0.0.1:2022",
	AuthMethods: "publickey,password",
	MaxAttempts: 20,
	StrictModes: true,
}

func init() {
	registerGlobalFlags(cmdRoot.PersistentFlags())
}

func registerGlobalFlags(f *pflag.FlagSet) {
	f.StringVarP(&globalOptions.Listen, "listen", "l", globalOptions.Listen, "listen `address` for incoming sessions")
	f.StringVar(&globalOptions.AuthorizedKeys, "authorized-keys", "", "`file` of accepted public keys")
	f.StringVar(&globalOptions.Password, "password", "", "accept this password for any user (testing only)")
	f.StringVar(&globalOptions.AuthMethods, "auth-methods", globalOptions.AuthMethods, "required method chains, comma-separated within a chain, space-separated between chains")
	f.StringVar(&globalOptions.Banner, "banner", "", "welcome `message` sent before USERAUTH_SUCCESS")
	f.IntVar(&globalOptions.MaxAttempts, "max-auth-attempts", globalOptions.MaxAttempts, "disconnect after this many authentication attempts")
	f.BoolVar(&globalOptions.StrictModes, "strict-modes", globalOptions.StrictModes, "require restrictive permissions on the authorized-keys file")
	f.StringArrayVarP(&globalOptions.Options, "option", "o", nil, "set extended option (`key=value`, can be specified multiple times)")
}

func initGlobalOptions() error {
	opts, err := options.Parse(globalOptions.Options)
	if err != nil {
		return err
	}
	globalOptions.extended = opts
	return nil
}

// parseAuthMethods turns the --auth-methods value into the chain
// disjunction the auth service consumes: chains are separated by
// spaces, methods within a chain by commas.
func parseAuthMethods(s string) ([][]string, error) {
	var chains [][]string
	for _, chainSpec := range strings.Fields(s) {
		var chain []string
		for _, m := range strings.Split(chainSpec, ",") {
			if m = strings.TrimSpace(m); m != "" {
				chain = append(chain, m)
			}
		}
		if len(chain) > 0 {
			chains = append(chains, chain)
		}
	}
	if len(chains) == 0 {
		return nil, errors.Fatal("no authentication methods configured")
	}
	return chains, nil
}

package engine

import (
	"fmt"
	"strings"

	"github.com/openfroyo/pgprovision/pkg/pgconf"
	"github.com/openfroyo/pgprovision/pkg/shell"
)

// pgCtl builds an invocation of the native control tool against the run's
// data directory and log. Start commands point the server at the
// configuration files in the run directory. The server options are parsed
// again by a shell inside pg_ctl, so the paths are quoted on their own before
// the whole option string is. Extra options go before the command.
func pgCtl(pc ProvisioningContext, command string, wait bool, extra ...string) string {
	args := []string{
		shell.MustQuote(pc.Bin("pg_ctl")),
		"-D", shell.MustQuote(pc.DataDir()),
		"-l", shell.MustQuote(pc.LogFile()),
	}
	if wait {
		args = append(args, "-w")
	}
	if command == "start" {
		opts := fmt.Sprintf("-c config_file=%s -c hba_file=%s",
			shell.MustQuote(pc.RunFile(pgconf.ServerConfigFile)),
			shell.MustQuote(pc.RunFile(pgconf.AccessControlFile)))
		args = append(args, "-o", shell.MustQuote(opts))
	}
	args = append(args, extra...)
	args = append(args, command)
	return strings.Join(args, " ")
}

// psql builds a client invocation against the local server. Exactly one of
// sqlCommand or file is used.
func psql(pc ProvisioningContext, port int, sqlCommand, file string) string {
	base := fmt.Sprintf("%s -p %d -v ON_ERROR_STOP=1", shell.MustQuote(pc.Bin("psql")), port)
	if file != "" {
		return base + " --file " + shell.MustQuote(file)
	}
	return base + " --command " + shell.MustQuote(sqlCommand)
}

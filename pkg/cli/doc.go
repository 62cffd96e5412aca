/*
Package cli provides helpers shared by the switchyard commands.

Output Formatting:

Command results are printed as text or JSON. Values implementing Table can
also be printed as CSV:

	formatter, err := cli.NewFormatter(cli.FormatJSON)
	if err != nil {
		return err
	}
	return formatter.FormatTo(cmd.OutOrStdout(), info)

Signal Handling:

SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM, and
ReloadSignals delivers SIGHUP so a running server can reload its
configuration:

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

Exit Codes:

ExitCode maps a command error to the process exit status: 2 for
configuration and bind errors, 1 for anything else.
*/
package cli

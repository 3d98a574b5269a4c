package server

import "strings"

// Command groups accepted by WithDisableCommands.
//
//	srv, _ := server.NewServer(":21",
//	    server.WithAuthorizer(auth),
//	    server.WithDisableCommands(server.ActiveModeCommands...),
//	)
var (
	// LegacyCommands are the RFC 775 X-aliases of PWD, CWD, CDUP, MKD and RMD.
	LegacyCommands = []string{"XCWD", "XCUP", "XPWD", "XMKD", "XRMD"}

	// ActiveModeCommands make the server dial the client. Disable them when
	// outbound connections are firewalled.
	ActiveModeCommands = []string{"PORT", "EPRT"}

	// WriteCommands modify the filesystem. Disabling them answers 502;
	// WithReadOnly answers 550 instead.
	WriteCommands = []string{
		"STOR", "APPE", "STOU",
		"DELE", "RMD", "XRMD", "MKD", "XMKD",
		"RNFR", "RNTO", "MFMT",
	}

	// SiteCommands covers SITE and all of its subcommands.
	SiteCommands = []string{"SITE"}
)

var commandGroups = map[string][]string{
	"legacy": LegacyCommands,
	"active": ActiveModeCommands,
	"write":  WriteCommands,
	"site":   SiteCommands,
}

// CommandGroup returns the verbs of a named group: legacy, active, write or
// site.
func CommandGroup(name string) ([]string, bool) {
	cmds, ok := commandGroups[strings.ToLower(name)]
	return cmds, ok
}

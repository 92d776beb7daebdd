package vendordriver

import "time"

const (
	commonErrorPatterns = "% Invalid input detected,% Ambiguous command,syntax error, expecting,Error: Unrecognized command"
)

func splitPatterns(csv string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}

var ciscoIOSLikeErrorPatterns = splitPatterns(commonErrorPatterns)

// Registry is the closed dispatch table keyed by device_type, resolved
// after alias rewriting. It replaces the original's trait-object vendor
// hierarchy with plain data, per §9's design note.
var Registry = map[string]Strategy{
	"cisco_ios": {
		DeviceType:            "cisco_ios",
		PromptTerminators:     ">#",
		DefaultPromptFallback: "Router",
		TerminalSettingsCmds:  []string{"terminal width 511", "terminal length 0"},
		EnableCmd:             "enable",
		EnablePasswordPrompt:  "password",
		ExitEnableCmd:         "disable",
		ConfigModeCmd:         "configure terminal",
		ExitConfigModeCmd:     "end",
		SaveCmd:               "copy running-config startup-config",
		ErrorPatterns:         ciscoIOSLikeErrorPatterns,
	},
	"cisco_xe": {
		DeviceType:            "cisco_xe",
		PromptTerminators:     ">#",
		DefaultPromptFallback: "Router",
		TerminalSettingsCmds:  []string{"terminal width 511", "terminal length 0"},
		EnableCmd:             "enable",
		EnablePasswordPrompt:  "password",
		ExitEnableCmd:         "disable",
		ConfigModeCmd:         "configure terminal",
		ExitConfigModeCmd:     "end",
		SaveCmd:               "copy running-config startup-config",
		ErrorPatterns:         ciscoIOSLikeErrorPatterns,
	},
	"cisco_xr": {
		DeviceType:            "cisco_xr",
		PromptTerminators:     ">#",
		DefaultPromptFallback: "RP/0/RP0/CPU0",
		TerminalSettingsCmds:  []string{"terminal width 511", "terminal length 0"},
		EnableCmd:             "enable",
		EnablePasswordPrompt:  "password",
		ExitEnableCmd:         "disable",
		ConfigModeCmd:         "configure terminal",
		ExitConfigModeCmd:     "end",
		SaveCmd:               "commit",
		ErrorPatterns:         ciscoIOSLikeErrorPatterns,
	},
	"cisco_nxos": {
		DeviceType:            "cisco_nxos",
		PromptTerminators:     ">#",
		DefaultPromptFallback: "switch",
		TerminalSettingsCmds:  []string{"terminal width 511", "terminal length 0"},
		EnableCmd:             "enable",
		EnablePasswordPrompt:  "password",
		ExitEnableCmd:         "disable",
		ConfigModeCmd:         "configure terminal",
		ExitConfigModeCmd:     "end",
		SaveCmd:               "copy running-config startup-config",
		SaveTimeout:           100 * time.Second,
		ErrorPatterns:         append(append([]string{}, ciscoIOSLikeErrorPatterns...), "% Unknown command, the error locates at"),
		ExtendedCRLF:          true,
		StripANSI:             true,
	},
	"cisco_asa": {
		DeviceType:            "cisco_asa",
		PromptTerminators:     ">#",
		DefaultPromptFallback: "ASA",
		TerminalSettingsCmds:  []string{"terminal pager 0"},
		EnableCmd:             "enable",
		EnablePasswordPrompt:  "password",
		ExitEnableCmd:         "disable",
		ConfigModeCmd:         "configure terminal",
		ExitConfigModeCmd:     "end",
		SaveCmd:               "write memory",
		ErrorPatterns:         ciscoIOSLikeErrorPatterns,
	},
	"juniper_junos": {
		DeviceType:            "juniper_junos",
		PromptTerminators:     ">#",
		DefaultPromptFallback: "juniper",
		TerminalSettingsCmds:  []string{"set cli screen-width 511", "set cli screen-length 0"},
		ConfigModeCmd:         "configure",
		ExitConfigModeCmd:     "exit configuration-mode",
		SaveCmd:               "commit",
		ErrorPatterns:         []string{"syntax error, expecting", "error: unrecognized command"},
	},
	"cisco_wlc": {
		DeviceType:            "cisco_wlc",
		PromptTerminators:     ">#",
		DefaultPromptFallback: "(Cisco Controller)",
		TerminalSettingsCmds:  []string{"config paging disable"},
		EnableCmd:             "",
		ConfigModeCmd:         "",
		ExitConfigModeCmd:     "",
		SaveCmd:               "save config",
		ErrorPatterns:         []string{"Incorrect usage", "Command not found"},
	},
}

// ForDeviceType resolves device_type (after alias rewriting) to a registered
// Strategy, mirroring device_factory.rs.
func ForDeviceType(deviceType string) (Strategy, bool) {
	resolved := ResolveAlias(deviceType)
	s, ok := Registry[resolved]
	return s, ok
}

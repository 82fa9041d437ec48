package cpio

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/deploymenttheory/go-boot-forge/internal/common/fsutil"
	"github.com/deploymenttheory/go-boot-forge/internal/config"
)

// Run loads the archive at file, applies the command sequence in order, and
// serializes the result back in place. Status commands (exists, test, ls)
// terminate the sequence and report through the exit code without saving;
// every other sequence ends with an in-place save and exit 0.
func Run(file string, cmds []string) (int, error) {
	var a *Archive
	if fsutil.FileExists(file) {
		var err error
		if a, err = Load(file); err != nil {
			return 0, err
		}
	} else {
		a = New()
	}

	for _, command := range cmds {
		if strings.HasPrefix(command, "#") {
			continue
		}
		argv := strings.Fields(command)
		if len(argv) == 0 {
			continue
		}
		switch argv[0] {
		case "exists":
			if len(argv) != 2 {
				return 0, usageError(command)
			}
			if a.Exists(argv[1]) {
				return 0, nil
			}
			return 1, nil

		case "test":
			return a.Test(), nil

		case "ls":
			recursive := false
			rest := argv[1:]
			if len(rest) > 0 && rest[0] == "-r" {
				recursive = true
				rest = rest[1:]
			}
			dir := "/"
			if len(rest) > 0 {
				dir = rest[0]
			}
			for _, line := range a.List(dir, recursive) {
				fmt.Fprintln(os.Stdout, line)
			}
			return 0, nil

		case "rm":
			recursive := false
			rest := argv[1:]
			if len(rest) > 0 && rest[0] == "-r" {
				recursive = true
				rest = rest[1:]
			}
			if len(rest) != 1 {
				return 0, usageError(command)
			}
			a.Rm(rest[0], recursive)

		case "mkdir":
			if len(argv) != 3 {
				return 0, usageError(command)
			}
			mode, err := parseMode(argv[1])
			if err != nil {
				return 0, err
			}
			a.Mkdir(mode, argv[2])

		case "ln":
			if len(argv) != 3 {
				return 0, usageError(command)
			}
			a.Ln(argv[1], argv[2])

		case "mv":
			if len(argv) != 3 {
				return 0, usageError(command)
			}
			if err := a.Mv(argv[1], argv[2]); err != nil {
				return 0, err
			}

		case "add":
			if len(argv) != 4 {
				return 0, usageError(command)
			}
			mode, err := parseMode(argv[1])
			if err != nil {
				return 0, err
			}
			if err := a.Add(mode, argv[2], argv[3]); err != nil {
				return 0, err
			}

		case "extract":
			switch len(argv) {
			case 1:
				if err := a.ExtractAll(); err != nil {
					return 0, err
				}
			case 3:
				if err := a.ExtractEntry(argv[1], argv[2]); err != nil {
					return 0, err
				}
			default:
				return 0, usageError(command)
			}

		case "patch":
			a.Patch(config.Instance.KeepVerity, config.Instance.KeepForceEncrypt)

		case "backup":
			if len(argv) != 2 {
				return 0, usageError(command)
			}
			if err := a.Backup(argv[1]); err != nil {
				return 0, err
			}

		case "restore":
			if err := a.Restore(); err != nil {
				return 0, err
			}

		case "sha1":
			sha, err := a.StockSHA1()
			if err != nil {
				return 0, err
			}
			fmt.Fprintln(os.Stdout, sha)

		default:
			return 0, usageError(command)
		}
	}

	if err := a.Save(file); err != nil {
		return 0, err
	}
	return 0, nil
}

func parseMode(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	return uint32(v), nil
}

func usageError(command string) error {
	return fmt.Errorf("malformed cpio command %q", command)
}

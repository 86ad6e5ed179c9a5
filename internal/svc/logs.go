package svc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// LogCommand returns the platform command that shows the service log.
func LogCommand(goos string, opts LogOptions) (name string, args []string, err error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	n := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args = []string{"-u", opts.ServiceName, "-n", n, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return "journalctl", args, nil
	case "darwin":
		// launchd services log to files in /var/log/
		args = []string{"-n", n}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName))
		return "tail", args, nil
	case "windows":
		if opts.Follow {
			return "", nil, fmt.Errorf("--follow is not supported on windows; use Event Viewer")
		}
		script := fmt.Sprintf(`Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap`,
			opts.ServiceName, opts.Lines)
		return "powershell", []string{"-NoProfile", "-Command", script}, nil
	default:
		return "", nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}

// ViewLogs runs the platform log command, writing to out.
func ViewLogs(out io.Writer, opts LogOptions) error {
	name, args, err := LogCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = out
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// Package runtimeenv provides process bootstrap helpers: a minimal .env
// reader, privilege drop after binding a listening socket, and systemd
// readiness notification.
package runtimeenv

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
)

// LoadEnv is a small, limited .env file reader: every "key=value" line found
// is applied to the process environment directly. Prefer this over a full
// parser for the single-purpose secrets file bearerbox reads at startup.
func LoadEnv(file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	s := bufio.NewScanner(bufio.NewReader(f))
	for s.Scan() {
		line := s.Text()
		if strings.HasPrefix(line, "#") || len(line) == 0 {
			continue
		}
		if strings.Contains(line, "#") {
			return errors.New("'#' are only supported at the start of a line")
		}

		line = strings.TrimPrefix(line, "export ")
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("runtimeenv: unsupported line: %#v", line)
		}

		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if strings.HasPrefix(val, "\"") {
			if !strings.HasSuffix(val, "\"") {
				return fmt.Errorf("runtimeenv: unsupported line: %#v", line)
			}

			runes := []rune(val[1 : len(val)-1])
			sb := strings.Builder{}
			for i := 0; i < len(runes); i++ {
				if runes[i] == '\\' {
					i++
					switch runes[i] {
					case 'n':
						sb.WriteRune('\n')
					case 'r':
						sb.WriteRune('\r')
					case 't':
						sb.WriteRune('\t')
					case '"':
						sb.WriteRune('"')
					default:
						return fmt.Errorf("runtimeenv: unsupported escape sequence: backslash %#v", runes[i])
					}
					continue
				}
				sb.WriteRune(runes[i])
			}
			val = sb.String()
		}

		os.Setenv(key, val)
	}

	return s.Err()
}

// LoadDeploymentEnv loads a second, optional environment file (e.g.
// ".env.production") using godotenv's fuller parser (quoting, multi-line
// values, variable expansion). Deployment tooling writes these files, so
// they get the ecosystem-standard format instead of LoadEnv's narrower one;
// values already set by LoadEnv or the process environment take precedence,
// since godotenv.Load never overwrites an existing variable.
func LoadDeploymentEnv(file string) error {
	if _, err := os.Stat(file); err != nil {
		return err
	}
	return godotenv.Load(file)
}

// DropPrivileges changes the process user/group, used once a privileged
// listening port has been bound. The Go runtime applies the setuid/setgid
// syscall to all OS threads, not just the calling one.
func DropPrivileges(username, group string) error {
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return err
		}
		gid, _ := strconv.Atoi(g.Gid)
		if err := syscall.Setgid(gid); err != nil {
			return err
		}
	}

	if username != "" {
		u, err := user.Lookup(username)
		if err != nil {
			return err
		}
		uid, _ := strconv.Atoi(u.Uid)
		if err := syscall.Setuid(uid); err != nil {
			return err
		}
	}

	return nil
}

// SystemdNotify informs systemd of readiness/status transitions. A no-op
// outside of a systemd-managed unit.
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
func SystemdNotify(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}
	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	cmd := exec.Command("systemd-notify", args...)
	cmd.Run() // best effort, nothing to do on failure
}

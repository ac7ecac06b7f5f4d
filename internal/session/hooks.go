package session

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// HookRunner executes an expanded hook command.
type HookRunner func(ctx context.Context, command string) error

// ExpandHook substitutes %d with the device node and %m with the mount point.
func ExpandHook(command, deviceNode, mountPoint string) string {
	return strings.NewReplacer("%d", deviceNode, "%m", mountPoint).Replace(command)
}

// ShellHook runs command through /bin/sh. A non-zero exit is returned as an
// error that includes the combined output.
func ShellHook(ctx context.Context, command string) error {
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
	if err != nil {
		if text := strings.TrimSpace(string(out)); text != "" {
			return fmt.Errorf("%w: %s", err, text)
		}
		return err
	}
	return nil
}

func (s *Session) runHook(ctx context.Context, command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}
	expanded := ExpandHook(command, s.info.DeviceNode, s.info.MountPoint)
	s.logger.Debugf("running hook for %s: %s", s.info.ID, expanded)
	return s.hook(ctx, expanded)
}

package automation

import (
	"errors"
	"fmt"
	"time"

	"elero-go-home/internal/coordinator"
	"elero-go-home/internal/stick"
)

// Controller is the coordinator surface used by scripts and schedules.
// *coordinator.Coordinator implements it.
type Controller interface {
	Events() *coordinator.EventBus
	Resolve(target string) ([]int, error)
	Channel(id int) (coordinator.ChannelInfo, bool)
	Channels() []coordinator.ChannelInfo
	Group(name string) (coordinator.GroupInfo, bool)
	SendCommand(id int, cmd stick.CommandType) error
	SendTimed(id int, cmd stick.CommandType, d time.Duration) error
	GroupCommand(name string, cmd stick.CommandType) error
	Refresh(ids ...int) error
}

// sendToTarget sends cmd to a group or to the channels target resolves to.
// INFO requests a refresh instead.
func sendToTarget(ctrl Controller, cmd stick.CommandType, target string) error {
	if cmd != stick.CommandInfo {
		if _, ok := ctrl.Group(target); ok {
			return ctrl.GroupCommand(target, cmd)
		}
	}
	ids, err := ctrl.Resolve(target)
	if err != nil {
		return err
	}
	if cmd == stick.CommandInfo {
		return ctrl.Refresh(ids...)
	}
	var errs []error
	for _, id := range ids {
		if err := ctrl.SendCommand(id, cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sendTimedToTarget runs cmd on every channel of target for d.
func sendTimedToTarget(ctrl Controller, cmd stick.CommandType, target string, d time.Duration) error {
	ids, err := ctrl.Resolve(target)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := ctrl.SendTimed(id, cmd, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// parseScheduledCommand accepts a motion command or INFO.
func parseScheduledCommand(name string) (stick.CommandType, error) {
	cmd, err := stick.ParseCommandType(name)
	if err != nil {
		return stick.CommandNone, err
	}
	if !cmd.IsMotion() && cmd != stick.CommandInfo {
		return stick.CommandNone, fmt.Errorf("%w: %s", stick.ErrInvalidCommand, cmd)
	}
	return cmd, nil
}

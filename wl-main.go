package main

import (
	"github.com/mstarongithub/w2gcore/common/ipc"
	"github.com/sirupsen/logrus"
	"github.com/swaywm/go-wlroots/wlroots"
)

// bridgeWlrootsLog routes the host wlroots library's log lines into logrus
func bridgeWlrootsLog() {
	wlroots.OnLog(wlroots.LogImportanceError, func(importance wlroots.LogImportance, msg string) {
		switch importance {
		case wlroots.LogImportanceDebug:
			logrus.WithField("component", "wlroots").Debugln(msg)
		case wlroots.LogImportanceInfo:
			logrus.WithField("component", "wlroots").Infoln(msg)
		case wlroots.LogImportanceError:
			logrus.WithField("component", "wlroots").Errorln(msg)
		case wlroots.LogImportanceSilent:
			return
		}
	})
}

// wlrOutputs asks the host's wlroots which outputs it would drive, for comparing against
// what our own backends find
func wlrOutputs() (ipc.OutputResponse, error) {
	bridgeWlrootsLog()

	display := wlroots.NewDisplay()
	defer display.Destroy()
	backend, err := display.BackendAutocreate()
	if err != nil {
		return ipc.OutputResponse{}, err
	}
	defer backend.Destroy()

	resp := ipc.OutputResponse{
		Backend:     "wlroots",
		OutputModes: map[string][]ipc.OutputMode{},
	}
	backend.OnNewOutput(func(output wlroots.Output) {
		logrus.WithField("name", output.Name()).Debugln("wlroots found output")
		resp.Outputs = append(resp.Outputs, output.Name())
		for _, mode := range output.Modes() {
			resp.OutputModes[output.Name()] = append(resp.OutputModes[output.Name()], ipc.OutputMode{
				Width:       int(mode.Width()),
				Height:      int(mode.Height()),
				RefreshRate: int(mode.Refresh()),
				Preferred:   mode.Preferred(),
			})
		}
	})
	if err = backend.Start(); err != nil {
		return ipc.OutputResponse{}, err
	}
	resp.OutputsFound = len(resp.Outputs)
	return resp, nil
}

package cmd

import (
	"strings"

	"github.com/andresmejia3/visitwatch/internal/face"
	"github.com/andresmejia3/visitwatch/internal/utils"
	"github.com/andresmejia3/visitwatch/internal/worker"
)

// dlibPrefix selects the in-process engine, e.g. VISITWATCH_ENGINE_CMD=dlib:/opt/models.
const dlibPrefix = "dlib:"

// faceEngine is a face engine the commands can drive, in-process or external.
type faceEngine interface {
	face.Engine
	// Err reports why the engine became unusable, or nil.
	Err() error
}

// startEngine starts the engine named by command: a dlib model directory or a worker command line.
func startEngine(id int, command string) (faceEngine, error) {
	if dir, ok := strings.CutPrefix(command, dlibPrefix); ok {
		return newDlibEngine(dir)
	}
	w, err := worker.NewPythonWorker(id, worker.Options{Command: command, Timeout: Cfg.EngineTimeout})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// engineLogs returns the process whose stderr explains a crash, if the engine has one.
func engineLogs(e faceEngine) *utils.SafeCommand {
	if w, ok := e.(*worker.PythonWorker); ok {
		return w.Cmd
	}
	return nil
}

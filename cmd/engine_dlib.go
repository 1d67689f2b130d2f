//go:build dlib

package cmd

import "github.com/andresmejia3/visitwatch/internal/face"

type dlibEngine struct {
	*face.DlibEngine
}

// Err is always nil: the in-process engine has no process to lose.
func (dlibEngine) Err() error { return nil }

func newDlibEngine(modelDir string) (faceEngine, error) {
	e, err := face.NewDlibEngine(modelDir)
	if err != nil {
		return nil, err
	}
	return dlibEngine{e}, nil
}

//go:build !dlib

package cmd

import "errors"

func newDlibEngine(string) (faceEngine, error) {
	return nil, errors.New("this build has no dlib engine, rebuild with -tags dlib")
}

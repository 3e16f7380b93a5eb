//go:build !unix

package gserver

import "syscall"

func socketControl(string, string, syscall.RawConn) error { return nil }

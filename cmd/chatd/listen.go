package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// listenFDsStart is the first file descriptor passed by systemd socket activation.
const listenFDsStart = 3

// primaryListener returns the socket handed over by a process manager when
// present, otherwise it binds addr itself. managed reports which one happened.
func primaryListener(addr string) (ln net.Listener, managed bool, err error) {
	ln, err = activatedListener(os.Getenv, os.Getpid())
	if err != nil {
		return nil, false, err
	}
	if ln != nil {
		return ln, true, nil
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, false, nil
}

// activatedListener implements the LISTEN_PID/LISTEN_FDS protocol for the
// first inherited socket. It returns nil when the variables are absent or
// addressed to another process.
func activatedListener(getenv func(string) string, pid int) (net.Listener, error) {
	if getenv("LISTEN_PID") != strconv.Itoa(pid) {
		return nil, nil
	}
	n, err := strconv.Atoi(getenv("LISTEN_FDS"))
	if err != nil || n < 1 {
		return nil, nil
	}
	f := os.NewFile(uintptr(listenFDsStart), "LISTEN_FD_3")
	if f == nil {
		return nil, fmt.Errorf("socket activation: fd %d is not valid", listenFDsStart)
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}
	return ln, nil
}

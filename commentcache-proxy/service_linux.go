package main

import (
	"strconv"

	"github.com/coreos/go-systemd/daemon"
)

func ServiceManagerStartNotify() error {
	_, err := daemon.SdNotify(false, "STATUS=Starting")
	return err
}

func ServiceManagerReadyNotify(threads int64) {
	daemon.SdNotify(false, "READY=1")
	daemon.SdNotify(false, "STATUS=Serving, "+strconv.FormatInt(threads, 10)+" cached thread(s)")
}

func ServiceManagerStoppingNotify() {
	daemon.SdNotify(false, "STOPPING=1")
}

//go:build !linux

package main

func ServiceManagerStartNotify() error {
	return nil
}

func ServiceManagerReadyNotify(threads int64) {}

func ServiceManagerStoppingNotify() {}

package broker

import (
	"strings"
	"time"
)

func joinRoles(roles []string) string {
	return strings.Join(roles, ",")
}

func splitRoles(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func nowUnix() int64 {
	return time.Now().Unix()
}

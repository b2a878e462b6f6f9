package http

import (
	"time"

	xutil "LeapsEngine/pkg/util"
)

// QueryInt reads an integer query value, falling back to def.
func QueryInt(s string, def int) int { return xutil.ParseIntDefault(s, def) }

// QueryTime reads a time query value in any format xutil.ParseTime accepts.
func QueryTime(s string, def time.Time) time.Time { return xutil.ParseTimeDefault(s, def) }

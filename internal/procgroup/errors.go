package procgroup

import "errors"

var ErrNotStarted = errors.New("procgroup: process not started")

package main

import _ "github.com/samsamfire/coshell/pkg/can/socketcanraw"

// Package logx is the daemon's structured logger, a thin layer over zerolog.
//
// Console lines are human readable with a short caller; the optional log file is
// JSON. Components receive a Logger by value and never touch the sinks: the app
// calls Service.Apply on config reload and every Logger follows.
package logx

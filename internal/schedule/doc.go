// Package schedule gates operational tasks against trading hours and
// registered maintenance windows, and finds future slots where heavy
// work can run without touching a live session.
package schedule

// Package logx is the zerolog front end used across shopwatch.
//
// A Service owns the outputs: a human console writer, an optional JSON file and
// an optional alert sink that forwards warnings to an operator chat under a rate
// limit. Loggers handed out by the Service keep working when Apply swaps those
// outputs during a config reload.
package logx

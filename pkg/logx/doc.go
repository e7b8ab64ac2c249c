// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase never imports zerolog directly:
// components take a logx.Logger and attach fields with the helpers in this
// package. The Service owns the sink configuration (console, file) and can
// swap it at runtime during config hot reload without invalidating loggers
// that were handed out earlier.
package logx

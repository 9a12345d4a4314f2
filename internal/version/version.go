// Package version хранит сведения о сборке, которые задаются через -ldflags.
package version

import "fmt"

// Service — имя сервиса в логах, health-ответах и User-Agent.
const Service = "storefront"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// GetCommit возвращает хэш коммита.
func GetCommit() string { return commit }

// GetDate возвращает дату сборки.
func GetDate() string { return date }

// UserAgent используется исходящими HTTP-клиентами сервиса.
func UserAgent() string { return Service + "/" + version }

func String() string {
	return fmt.Sprintf("service=%s version=%s commit=%s date=%s", Service, version, commit, date)
}

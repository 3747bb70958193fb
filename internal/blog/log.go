// Package blog provides leveled logging for the bearerbox core.
//
// Time/date are omitted by default because systemd adds them for us; pass
// -logdate to the binary to enable them. Uses the syslog-style numeric
// prefixes systemd understands:
// https://www.freedesktop.org/software/systemd/man/sd-daemon.html
package blog

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

var logDateTime bool

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrWriter   io.Writer = os.Stderr
	CritWriter  io.Writer = os.Stderr
)

var (
	DebugPrefix string = "<7>[DEBUG]    "
	InfoPrefix  string = "<6>[INFO]     "
	WarnPrefix  string = "<4>[WARNING]  "
	ErrPrefix   string = "<3>[ERROR]    "
	CritPrefix  string = "<2>[CRITICAL] "
)

var (
	DebugLog *log.Logger = log.New(DebugWriter, DebugPrefix, 0)
	InfoLog  *log.Logger = log.New(InfoWriter, InfoPrefix, 0)
	WarnLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.Lshortfile)
	ErrLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.Llongfile)
	CritLog  *log.Logger = log.New(CritWriter, CritPrefix, log.Llongfile)

	DebugTimeLog *log.Logger = log.New(DebugWriter, DebugPrefix, log.LstdFlags)
	InfoTimeLog  *log.Logger = log.New(InfoWriter, InfoPrefix, log.LstdFlags)
	WarnTimeLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.LstdFlags|log.Lshortfile)
	ErrTimeLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.LstdFlags|log.Llongfile)
	CritTimeLog  *log.Logger = log.New(CritWriter, CritPrefix, log.LstdFlags|log.Llongfile)
)

// SetLevel discards writers below the given level. Levels, from quietest to
// loudest: crit, err, warn, info, debug.
func SetLevel(lvl string) {
	switch lvl {
	case "crit":
		ErrWriter = io.Discard
		fallthrough
	case "err", "fatal":
		WarnWriter = io.Discard
		fallthrough
	case "warn":
		InfoWriter = io.Discard
		fallthrough
	case "info":
		DebugWriter = io.Discard
	case "debug":
		// Nothing to discard.
	default:
		fmt.Printf("blog: invalid loglevel %#v, using 'info'\n", lvl)
		SetLevel("info")
	}
}

func SetDateTime(enabled bool) {
	logDateTime = enabled
}

// SetOutput redirects every level's writer to w (e.g. an opened log file),
// rebuilding the *log.Logger instances since log.New captures its writer at
// construction time. Discarded levels set by a prior SetLevel stay discarded.
func SetOutput(w io.Writer) {
	discard := func(cur io.Writer) io.Writer {
		if cur == io.Discard {
			return io.Discard
		}
		return w
	}

	DebugWriter = discard(DebugWriter)
	InfoWriter = discard(InfoWriter)
	WarnWriter = discard(WarnWriter)
	ErrWriter = discard(ErrWriter)
	CritWriter = discard(CritWriter)

	DebugLog = log.New(DebugWriter, DebugPrefix, 0)
	InfoLog = log.New(InfoWriter, InfoPrefix, 0)
	WarnLog = log.New(WarnWriter, WarnPrefix, log.Lshortfile)
	ErrLog = log.New(ErrWriter, ErrPrefix, log.Llongfile)
	CritLog = log.New(CritWriter, CritPrefix, log.Llongfile)

	DebugTimeLog = log.New(DebugWriter, DebugPrefix, log.LstdFlags)
	InfoTimeLog = log.New(InfoWriter, InfoPrefix, log.LstdFlags)
	WarnTimeLog = log.New(WarnWriter, WarnPrefix, log.LstdFlags|log.Lshortfile)
	ErrTimeLog = log.New(ErrWriter, ErrPrefix, log.LstdFlags|log.Llongfile)
	CritTimeLog = log.New(CritWriter, CritPrefix, log.LstdFlags|log.Llongfile)
}

func printStr(v ...interface{}) string { return fmt.Sprint(v...) }

func Debug(v ...interface{}) {
	if DebugWriter == io.Discard {
		return
	}
	out := printStr(v...)
	if logDateTime {
		DebugTimeLog.Output(2, out)
	} else {
		DebugLog.Output(2, out)
	}
}

func Info(v ...interface{}) {
	if InfoWriter == io.Discard {
		return
	}
	out := printStr(v...)
	if logDateTime {
		InfoTimeLog.Output(2, out)
	} else {
		InfoLog.Output(2, out)
	}
}

func Warn(v ...interface{}) {
	if WarnWriter == io.Discard {
		return
	}
	out := printStr(v...)
	if logDateTime {
		WarnTimeLog.Output(2, out)
	} else {
		WarnLog.Output(2, out)
	}
}

func Error(v ...interface{}) {
	if ErrWriter == io.Discard {
		return
	}
	out := printStr(v...)
	if logDateTime {
		ErrTimeLog.Output(2, out)
	} else {
		ErrLog.Output(2, out)
	}
}

// Fatal logs an error and terminates the process. Reserved for conditions
// §7 classifies as fatal (store corruption beyond recovery, OOM) after the
// supervisor has had a chance to persist in-flight acks.
func Fatal(v ...interface{}) {
	Error(v...)
	os.Exit(1)
}

func Crit(v ...interface{}) {
	if CritWriter == io.Discard {
		return
	}
	out := printStr(v...)
	if logDateTime {
		CritTimeLog.Output(2, out)
	} else {
		CritLog.Output(2, out)
	}
}

func printfStr(format string, v ...interface{}) string { return fmt.Sprintf(format, v...) }

func Debugf(format string, v ...interface{}) {
	if DebugWriter == io.Discard {
		return
	}
	out := printfStr(format, v...)
	if logDateTime {
		DebugTimeLog.Output(2, out)
	} else {
		DebugLog.Output(2, out)
	}
}

func Infof(format string, v ...interface{}) {
	if InfoWriter == io.Discard {
		return
	}
	out := printfStr(format, v...)
	if logDateTime {
		InfoTimeLog.Output(2, out)
	} else {
		InfoLog.Output(2, out)
	}
}

func Warnf(format string, v ...interface{}) {
	if WarnWriter == io.Discard {
		return
	}
	out := printfStr(format, v...)
	if logDateTime {
		WarnTimeLog.Output(2, out)
	} else {
		WarnLog.Output(2, out)
	}
}

func Errorf(format string, v ...interface{}) {
	if ErrWriter == io.Discard {
		return
	}
	out := printfStr(format, v...)
	if logDateTime {
		ErrTimeLog.Output(2, out)
	} else {
		ErrLog.Output(2, out)
	}
}

func Fatalf(format string, v ...interface{}) {
	Errorf(format, v...)
	os.Exit(1)
}

func Critf(format string, v ...interface{}) {
	if CritWriter == io.Discard {
		return
	}
	out := printfStr(format, v...)
	if logDateTime {
		CritTimeLog.Output(2, out)
	} else {
		CritLog.Output(2, out)
	}
}

// Finfof writes straight to w, bypassing the level filter. Used for status
// snapshots (§4.2 status(fmt)) that must print regardless of loglevel.
func Finfof(w io.Writer, format string, v ...interface{}) {
	if w == io.Discard {
		return
	}
	if logDateTime {
		fmt.Fprintf(w, time.Now().String()+InfoPrefix+format+"\n", v...)
	} else {
		fmt.Fprintf(w, InfoPrefix+format+"\n", v...)
	}
}

//go:build windows

package ptydriver

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsPTY wraps the Windows ConPTY API via golang.org/x/sys/windows.
type windowsPTY struct {
	mu sync.Mutex

	hpc        windows.Handle // pseudo console handle
	inWrite    windows.Handle // write end of the pipe feeding the console's stdin
	outRead    windows.Handle // read end of the pipe draining the console's stdout
	proc       windows.Handle
	pid        int
	procState  *os.ProcessState
	waitResult error
	waitOnce   sync.Once
	waitDone   chan struct{}
}

var (
	modkernel32                 = windows.NewLazySystemDLL("kernel32.dll")
	procCreatePseudoConsole     = modkernel32.NewProc("CreatePseudoConsole")
	procResizePseudoConsole     = modkernel32.NewProc("ResizePseudoConsole")
	procClosePseudoConsole      = modkernel32.NewProc("ClosePseudoConsole")
	procInitializeProcThreadAttributeList = modkernel32.NewProc("InitializeProcThreadAttributeList")
	procUpdateProcThreadAttribute         = modkernel32.NewProc("UpdateProcThreadAttribute")
	procDeleteProcThreadAttributeList     = modkernel32.NewProc("DeleteProcThreadAttributeList")
)

const (
	procThreadAttributePseudoconsole = 0x00020016
	extendedStartupinfoPresent       = 0x00080000
)

type coord struct {
	X, Y int16
}

func start(cmd *exec.Cmd) (PTY, error) {
	var pipeInRead, pipeInWrite, pipeOutRead, pipeOutWrite windows.Handle
	if err := windows.CreatePipe(&pipeInRead, &pipeInWrite, nil, 0); err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if err := windows.CreatePipe(&pipeOutRead, &pipeOutWrite, nil, 0); err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	size := coord{X: FixedCols, Y: FixedRows}
	var hpc windows.Handle
	r, _, _ := procCreatePseudoConsole.Call(
		uintptr(*(*uint32)(unsafe.Pointer(&size))),
		uintptr(pipeInRead),
		uintptr(pipeOutWrite),
		0,
		uintptr(unsafe.Pointer(&hpc)),
	)
	if r != 0 /* S_OK is 0 */ {
		windows.CloseHandle(pipeInRead)
		windows.CloseHandle(pipeInWrite)
		windows.CloseHandle(pipeOutRead)
		windows.CloseHandle(pipeOutWrite)
		return nil, fmt.Errorf("CreatePseudoConsole failed: hresult=%#x", r)
	}
	// The console now owns its ends of the pipes.
	windows.CloseHandle(pipeInRead)
	windows.CloseHandle(pipeOutWrite)

	pid, procHandle, err := spawnWithPseudoConsole(cmd, hpc)
	if err != nil {
		procClosePseudoConsole.Call(uintptr(hpc))
		windows.CloseHandle(pipeInWrite)
		windows.CloseHandle(pipeOutRead)
		return nil, err
	}

	return &windowsPTY{
		hpc:      hpc,
		inWrite:  pipeInWrite,
		outRead:  pipeOutRead,
		proc:     procHandle,
		pid:      pid,
		waitDone: make(chan struct{}),
	}, nil
}

// spawnWithPseudoConsole builds a STARTUPINFOEX with the pseudo console
// attribute and calls CreateProcess, mirroring the standard ConPTY client
// recipe (InitializeProcThreadAttributeList + UpdateProcThreadAttribute with
// PROC_THREAD_ATTRIBUTE_PSEUDOCONSOLE).
func spawnWithPseudoConsole(cmd *exec.Cmd, hpc windows.Handle) (int, windows.Handle, error) {
	var attrListSize uintptr
	procInitializeProcThreadAttributeList.Call(0, 1, 0, uintptr(unsafe.Pointer(&attrListSize)))

	attrListBuf := make([]byte, attrListSize)
	attrList := uintptr(unsafe.Pointer(&attrListBuf[0]))

	r, _, err := procInitializeProcThreadAttributeList.Call(attrList, 1, 0, uintptr(unsafe.Pointer(&attrListSize)))
	if r == 0 {
		return 0, 0, fmt.Errorf("InitializeProcThreadAttributeList: %w", err)
	}
	defer procDeleteProcThreadAttributeList.Call(attrList)

	r, _, err = procUpdateProcThreadAttribute.Call(
		attrList, 0, procThreadAttributePseudoconsole,
		uintptr(unsafe.Pointer(&hpc)), unsafe.Sizeof(hpc), 0, 0,
	)
	if r == 0 {
		return 0, 0, fmt.Errorf("UpdateProcThreadAttribute: %w", err)
	}

	var si windows.StartupInfoEx
	si.StartupInfo.Cb = uint32(unsafe.Sizeof(si))
	si.StartupInfo.Flags = extendedStartupinfoPresent
	si.ProcThreadAttributeList = (*windows.ProcThreadAttributeList)(unsafe.Pointer(attrList))

	cmdLine := buildCommandLine(cmd)
	cmdLinePtr, err := windows.UTF16PtrFromString(cmdLine)
	if err != nil {
		return 0, 0, err
	}

	var cwdPtr *uint16
	if cmd.Dir != "" {
		cwdPtr, err = windows.UTF16PtrFromString(cmd.Dir)
		if err != nil {
			return 0, 0, err
		}
	}

	var pi windows.ProcessInformation
	err = windows.CreateProcess(
		nil, cmdLinePtr, nil, nil, false,
		extendedStartupinfoPresent|windows.CREATE_UNICODE_ENVIRONMENT,
		environBlock(cmd.Env), cwdPtr, &si.StartupInfo, &pi,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("CreateProcess: %w", err)
	}
	windows.CloseHandle(pi.Thread)

	return int(pi.ProcessId), pi.Process, nil
}

func buildCommandLine(cmd *exec.Cmd) string {
	parts := append([]string{cmd.Path}, cmd.Args[1:]...)
	for i, p := range parts {
		if strings.ContainsAny(p, " \t\"") {
			parts[i] = `"` + strings.ReplaceAll(p, `"`, `\"`) + `"`
		}
	}
	return strings.Join(parts, " ")
}

func environBlock(env []string) *uint16 {
	if len(env) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, e := range env {
		sb.WriteString(e)
		sb.WriteByte(0)
	}
	sb.WriteByte(0)
	block, err := windows.UTF16PtrFromString(sb.String())
	if err != nil {
		return nil
	}
	return block
}

func (p *windowsPTY) Read(b []byte) (int, error) {
	var n uint32
	err := windows.ReadFile(p.outRead, b, &n, nil)
	return int(n), err
}

func (p *windowsPTY) Write(b []byte) (int, error) {
	var n uint32
	err := windows.WriteFile(p.inWrite, b, &n, nil)
	return int(n), err
}

func (p *windowsPTY) Resize(cols, rows uint16) error {
	size := coord{X: int16(cols), Y: int16(rows)}
	r, _, _ := procResizePseudoConsole.Call(uintptr(p.hpc), uintptr(*(*uint32)(unsafe.Pointer(&size))))
	if r != 0 {
		return fmt.Errorf("ResizePseudoConsole failed: hresult=%#x", r)
	}
	return nil
}

// Signal maps INT/TERM/KILL onto their closest ConPTY equivalents: INT
// requests a Ctrl+C break, TERM and KILL both terminate the process,
// differing only in the exit code recorded so logs can distinguish a
// graceful-ish request from a hard kill.
func (p *windowsPTY) Signal(sig Signal) error {
	switch sig {
	case SignalInt:
		return windows.GenerateConsoleCtrlEvent(windows.CTRL_C_EVENT, uint32(p.pid))
	case SignalTerm:
		return windows.TerminateProcess(p.proc, 15)
	default:
		return windows.TerminateProcess(p.proc, 137)
	}
}

func (p *windowsPTY) Wait() (*os.ProcessState, error) {
	p.waitOnce.Do(func() {
		_, err := windows.WaitForSingleObject(p.proc, windows.INFINITE)
		p.waitResult = err
		close(p.waitDone)
	})
	<-p.waitDone
	return p.procState, p.waitResult
}

func (p *windowsPTY) Pid() int { return p.pid }

func (p *windowsPTY) Close() error {
	procClosePseudoConsole.Call(uintptr(p.hpc))
	windows.CloseHandle(p.inWrite)
	windows.CloseHandle(p.outRead)
	return windows.CloseHandle(p.proc)
}

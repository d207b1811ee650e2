package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
)

// pprofSession 是由本服务器启动的后台 pprof 进程及其导出的 profile 文件。
type pprofSession struct {
	process     *os.Process
	profilePath string
}

// 全局变量，用于跟踪由本服务器启动的 pprof 进程
var (
	runningPprofs = make(map[int]*pprofSession) // PID -> 会话
	pprofMutex    sync.Mutex                    // 用于保护 runningPprofs 的互斥锁
)

// removeProfile 删除会话导出的临时 profile 文件。
func (s *pprofSession) removeProfile() {
	if err := os.Remove(s.profilePath); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to remove profile '%s': %v", s.profilePath, err)
	}
}

// terminate 先尝试 Interrupt，失败后 Kill。
func (s *pprofSession) terminate(pid int) error {
	err := s.process.Signal(os.Interrupt)
	if err != nil {
		log.Printf("Failed to send Interrupt signal to PID %d: %v. Trying Kill signal.", pid, err)
		err = s.process.Signal(os.Kill)
	}
	return err
}

// handleOpenInteractivePprof 导出 latency profile，并在 macOS 上后台启动 pprof 交互式 UI。
func handleOpenInteractivePprof(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if runtime.GOOS != "darwin" {
		return nil, fmt.Errorf("此功能仅在 macOS 上可用 (当前系统: %s)", runtime.GOOS)
	}

	args := request.Params.Arguments

	traceURI, err := requiredString(args, "trace_uri")
	if err != nil {
		return nil, err
	}
	httpAddress := optionalString(args, "http_address", ":8081")

	log.Printf("Handling open_interactive_pprof: URI=%s, Address=%s", traceURI, httpAddress)

	if _, err := exec.LookPath("go"); err != nil {
		return nil, fmt.Errorf("'go' command not found in PATH, cannot start pprof")
	}

	// 注意：profile 文件在会话结束前不能删除，pprof 进程需要持续访问
	profilePath := defaultProfilePath()
	if err := exportProfile(traceURI, profilePath, parseOptionsFromArgs(args)); err != nil {
		return nil, err
	}
	session := &pprofSession{profilePath: profilePath}

	cmdArgs := []string{"tool", "pprof", "-sample_index=latency", fmt.Sprintf("-http=%s", httpAddress), profilePath}
	log.Printf("Preparing to execute command in background: go %s", strings.Join(cmdArgs, " "))

	// 后台进程不能绑定到请求的 ctx，否则请求结束时会被杀掉
	cmd := exec.Command("go", cmdArgs...)
	if err := cmd.Start(); err != nil {
		log.Printf("Error starting 'go tool pprof' in background: %v", err)
		session.removeProfile()
		return nil, fmt.Errorf("failed to start 'go tool pprof': %w", err)
	}
	session.process = cmd.Process

	pid := cmd.Process.Pid
	pprofMutex.Lock()
	runningPprofs[pid] = session
	pprofMutex.Unlock()

	log.Printf("Successfully started 'go tool pprof' in background with PID: %d", pid)

	resultText := fmt.Sprintf("已成功在后台启动 'go tool pprof' (PID: %d) 来分析 '%s'", pid, profilePath)
	resultText += fmt.Sprintf("，监听地址约为 %s。", httpAddress)
	resultText += "\n你可以使用 'disconnect_pprof_session' 工具并提供 PID 来尝试终止此进程，导出的 profile 文件会同时删除。"

	return textResult(resultText), nil
}

// handleDisconnectPprofSession 处理断开指定 pprof 会话的请求。
func handleDisconnectPprofSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	pidFloat, ok := args["pid"].(float64)
	if !ok {
		return nil, fmt.Errorf("missing or invalid required argument: pid (number)")
	}
	pid := int(pidFloat)
	if pid <= 0 {
		return nil, fmt.Errorf("invalid PID: %d", pid)
	}

	log.Printf("Handling disconnect_pprof_session for PID: %d", pid)

	pprofMutex.Lock()
	session, exists := runningPprofs[pid]
	if !exists {
		pprofMutex.Unlock()
		return nil, fmt.Errorf("未找到 PID 为 %d 的正在运行的 pprof 会话", pid)
	}
	delete(runningPprofs, pid)
	pprofMutex.Unlock()

	if err := session.terminate(pid); err != nil {
		log.Printf("Failed to send Kill signal to PID %d: %v", pid, err)
		return nil, fmt.Errorf("尝试终止 PID %d 失败：%w", pid, err)
	}

	// 忽略 "no child processes" 和信号相关的错误，因为进程可能已经被信号终止
	_, err := session.process.Wait()
	if err != nil && !strings.Contains(err.Error(), "wait: no child processes") && !strings.Contains(err.Error(), "signal:") {
		log.Printf("Warning: Error waiting for process PID %d after signaling: %v", pid, err)
	}
	session.removeProfile()

	resultText := fmt.Sprintf("已成功向 PID %d 发送终止信号。", pid)
	log.Println(resultText)
	return textResult(resultText), nil
}

// setupSignalHandler 设置信号处理，用于在服务器退出时清理 pprof 进程。
// 这个函数应该在 serve 命令中被调用一次。
func setupSignalHandler() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		log.Printf("Received signal: %s. Cleaning up running pprof processes...", sig)

		pprofMutex.Lock()
		sessions := runningPprofs
		runningPprofs = make(map[int]*pprofSession) // 清空 map
		pprofMutex.Unlock()

		if len(sessions) == 0 {
			log.Println("No running pprof processes to terminate.")
			os.Exit(0)
		}

		log.Printf("Terminating %d pprof processes", len(sessions))
		var wg sync.WaitGroup
		for pid, s := range sessions {
			wg.Add(1)
			go func(pid int, s *pprofSession) {
				defer wg.Done()
				if err := s.terminate(pid); err != nil {
					log.Printf("Failed to terminate PID %d: %v", pid, err)
				}
				s.removeProfile()
			}(pid, s)
		}
		wg.Wait()
		log.Println("Cleanup finished.")
		os.Exit(0)
	}()
}

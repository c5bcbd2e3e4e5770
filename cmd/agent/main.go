package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nikstep/browseragent/internal/agent"
	"github.com/nikstep/browseragent/internal/annotate"
	"github.com/nikstep/browseragent/internal/browser"
	"github.com/nikstep/browseragent/internal/captcha"
	"github.com/nikstep/browseragent/internal/eventsink"
	"github.com/nikstep/browseragent/internal/llm"
	"github.com/nikstep/browseragent/internal/model"
	"github.com/nikstep/browseragent/internal/tools"
)

type cliOptions struct {
	task      string
	storage   string
	saveState string
	maxSteps  int
}

func main() {
	_ = godotenv.Load()
	opts := parseFlags()
	if opts.task == "" {
		task, cancelled, err := promptTask()
		if err != nil {
			log.Fatal().Err(err).Msg("prompt task failed")
		}
		if cancelled {
			fmt.Println("Cancelled.")
			return
		}
		opts.task = task
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmClient, err := llm.NewClientWithLogger(log.With().Str("comp", "llm").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("llm init")
	}

	launcher, err := browser.NewLauncher(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("browser init")
	}
	defer launcher.Close()

	ctrl, err := launcher.NewController(ctx, opts.storage)
	if err != nil {
		log.Fatal().Err(err).Msg("browser controller")
	}
	defer ctrl.Close(ctx)

	captchaHandler := captcha.New(ctrl, llmClient, log.With().Str("comp", "captcha").Logger())
	toolbox := tools.New(ctrl, captchaPrecheckFunc(captchaHandler))
	planner := agent.NewPlanner(llmClient)
	annotator := annotate.New(ctrl)

	run := model.NewRun("cli", opts.task)

	loop := agent.NewLoop(
		agent.Config{MaxSteps: opts.maxSteps},
		run,
		planner,
		toolbox,
		ctrl,
		annotator,
		captchaHandler,
		eventsink.Nop{},
		log.With().Str("comp", "loop").Logger(),
	)

	fmt.Println("Starting task...")
	if err := loop.Run(ctx); err != nil {
		log.Error().Err(err).Msg("run finished with error")
	}

	switch run.Status {
	case model.RunCompleted:
		fmt.Printf("\nDone: %s\n", run.FinalAnswer)
	case model.RunFailed:
		fmt.Printf("\nFailed: %s\n", run.FailReason)
	}

	if opts.saveState != "" {
		if err := ctrl.SaveState(ctx, opts.saveState); err != nil {
			log.Error().Err(err).Msg("save state")
		} else {
			log.Info().Str("path", opts.saveState).Msg("storage saved")
		}
	}
}

// captchaPrecheckFunc adapts a captcha.Handler into the Toolbox's
// CaptchaPrecheckFunc, for the handle_captcha tool's explicit dispatch path
// (distinct from the Decision Loop's own automatic pre-dispatch guard).
func captchaPrecheckFunc(h *captcha.Handler) tools.CaptchaPrecheckFunc {
	return func(ctx context.Context) (string, error) {
		result, err := h.PreCheck(ctx)
		if err != nil {
			return "", err
		}
		switch result.Status {
		case captcha.StatusIdle:
			return "no captcha detected", nil
		case captcha.StatusSolved:
			return fmt.Sprintf("captcha (%s) detected and solved", result.Kind), nil
		default:
			return fmt.Sprintf("captcha (%s) detected, solve attempt failed", result.Kind), nil
		}
	}
}

func parseFlags() cliOptions {
	task := flag.String("task", "", "Task description")
	storage := flag.String("storage", "", "Path to Playwright storage state")
	save := flag.String("save-state", "", "Path to save updated storage state")
	maxSteps := flag.Int("max-steps", 25, "Max agent steps")
	flag.Parse()
	return cliOptions{
		task:      strings.TrimSpace(*task),
		storage:   strings.TrimSpace(*storage),
		saveState: strings.TrimSpace(*save),
		maxSteps:  *maxSteps,
	}
}

func promptTask() (string, bool, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Enter a task (leave empty to cancel): ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", false, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", true, nil
	}

	const maxTaskLength = 2000
	if len(line) > maxTaskLength {
		fmt.Printf("Task too long (max %d characters), truncated\n", maxTaskLength)
		line = line[:maxTaskLength]
	}

	var sanitized strings.Builder
	for _, r := range line {
		if r >= 32 || r == '\n' || r == '\r' || r == '\t' {
			sanitized.WriteRune(r)
		}
	}

	return sanitized.String(), false, nil
}

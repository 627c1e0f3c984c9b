package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gravity-claw/internal/agent"
	"gravity-claw/internal/config"
	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/push"
	"gravity-claw/pkg/logger"
)

// cronParser 支持标准 5 段、带秒的 6 段表达式以及 @hourly 等描述符。
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// 内置任务名称。
const (
	JobMorningBriefing = "morning_briefing"
	JobEveningRecap    = "evening_recap"
	JobHeartbeat       = "heartbeat"
)

const (
	defaultSession = "scheduler"
	jobTimeout     = 5 * time.Minute

	morningPrompt   = "DO NOT mention that this is an automated response. You are reaching out to the user proactively to give them their Morning Briefing. Review recent memory and scheduled tasks, summarize their status, mention any relevant weather/news you can find or infer, and give a motivational start to the day. Use Markdown."
	eveningPrompt   = "DO NOT mention that this is an automated response. You are reaching out to the user proactively to give them their Evening Recap. Review the memory for what was accomplished today, list any pending items that rolled over, and wind down the day. Use Markdown."
	heartbeatPrompt = "DO NOT mention that this is an automated response. This is your Hourly Heartbeat. Silently analyze the user's latest context and memory. If there is a highly actionable insight, smart recommendation, or something critical they forgot, output a SHORT 1-2 sentence message. \n\nCRITICAL INSTRUCTION: Be EXTREMELY RELUCTANT to speak. If the user doesn't strictly need to be interrupted right now, YOU MUST RETURN THE EXACT STRING \"SILENT\" AND ABSOLUTELY NOTHING ELSE. DO NOT EXPLAIN YOUR REASONING. DO NOT OUTPUT ANY OTHER TEXT. JUST \"SILENT\"."
)

// Runner 是调度任务使用的对话循环，agent.Loop 实现了它。
type Runner interface {
	Run(ctx context.Context, sessionID, text string, media []agent.Media) (string, error)
}

// Job 是一个定时主动推送任务。
type Job struct {
	Name   string
	Spec   string
	Prompt string
	Prefix string
	// Silenceable 为 true 时，回复包含 SILENT 或为空则不推送。
	Silenceable bool
}

// DefaultJobs 根据配置生成晨报、晚间回顾与心跳任务，表达式为空的任务被跳过。
func DefaultJobs(cfg config.SchedulerConfig) []Job {
	jobs := []Job{
		{Name: JobMorningBriefing, Spec: cfg.MorningBriefing, Prompt: morningPrompt, Prefix: "🌅 *Morning Briefing*\n\n"},
		{Name: JobEveningRecap, Spec: cfg.EveningRecap, Prompt: eveningPrompt, Prefix: "🌙 *Evening Recap*\n\n"},
		{Name: JobHeartbeat, Spec: cfg.Heartbeat, Prompt: heartbeatPrompt, Prefix: "💓 *Heartbeat Alert*\n\n", Silenceable: true},
	}
	out := jobs[:0]
	for _, job := range jobs {
		if strings.TrimSpace(job.Spec) != "" {
			out = append(out, job)
		}
	}
	return out
}

// Scheduler 按 cron 表达式运行主动推送任务。
type Scheduler struct {
	runner    Runner
	publisher push.Publisher
	session   string
	jobs      map[string]Job
	cron      *cron.Cron
	log       *slog.Logger

	mu      sync.Mutex
	started bool
}

// New 创建调度器并校验全部表达式。
func New(runner Runner, publisher push.Publisher, session string, jobs []Job) (*Scheduler, error) {
	if runner == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调度器缺少对话循环")
	}
	if publisher == nil {
		publisher = push.Discard
	}
	if strings.TrimSpace(session) == "" {
		session = defaultSession
	}
	s := &Scheduler{
		runner:    runner,
		publisher: publisher,
		session:   session,
		jobs:      make(map[string]Job, len(jobs)),
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log: logger.Named("scheduler"),
	}
	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(context.Background(), job) }); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("任务 %s 的 cron 表达式无效", job.Name))
		}
		s.jobs[job.Name] = job
	}
	return s, nil
}

// Start 启动调度，ctx 取消后等待正在执行的任务结束。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for name, job := range s.jobs {
		s.log.Info("已注册定时任务", slog.String("job", name), slog.String("spec", job.Spec))
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("调度器已停止")
}

// Trigger 立即执行指定任务，返回是否推送了消息。
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	job, ok := s.jobs[name]
	if !ok {
		return false, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知的定时任务 %s", name))
	}
	return s.execute(ctx, job), nil
}

func (s *Scheduler) execute(ctx context.Context, job Job) bool {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	log := s.log.With(slog.String("job", job.Name))
	log.Info("定时任务触发")

	reply, err := s.runner.Run(ctx, s.session, job.Prompt, nil)
	if err != nil {
		log.Error("定时任务执行失败", slog.Any("error", err))
		return false
	}
	if suppressed, reason := Suppress(reply, job.Silenceable); suppressed {
		log.Info("定时推送已抑制", slog.String("reason", reason))
		return false
	}
	s.publisher.Publish(push.Payload{Type: push.TypeMarkdown, Content: job.Prefix + reply}, "")
	log.Info("定时推送完成")
	return true
}

// Suppress 判断回复是否不应推送：错误兜底文本总是抑制，可静默任务的 SILENT 或空回复也抑制。
func Suppress(reply string, silenceable bool) (bool, string) {
	clean := strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(reply, "`", "")))
	if strings.Contains(clean, "ERROR INTERACTING WITH INTELLIGENCE ENGINE") || strings.Contains(clean, "ERROR:") {
		return true, "error"
	}
	if clean == "" {
		return true, "empty"
	}
	if silenceable && strings.Contains(clean, "SILENT") {
		return true, "silent"
	}
	return false, ""
}

// Package runner is the child side of the sandbox. It interprets one skill,
// calls its entry point once and writes the single result line the parent
// decodes.
package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/traefik/yaegi/interp"

	"ChainVoyager/internal/sandbox"
	"ChainVoyager/pkg/skillapi"
)

// Exit codes of the runner process.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	exitStalled = 3
)

// watchdogGrace is added on top of both budgets before the child gives up on
// its own, in case the parent died without killing it.
const watchdogGrace = 5 * time.Second

type options struct {
	skillPath      string
	timeout        time.Duration
	compileTimeout time.Duration
	policy         sandbox.ImportPolicy
	nonce          string
	snapshot       skillapi.Snapshot
}

// Main runs the sandbox-run command and returns the process exit code. The
// real stdout is reserved for protocol lines; everything else, skill output
// included, goes to stderr.
func Main(args []string) int {
	out := os.Stdout
	os.Stdout = os.Stderr
	defer func() { os.Stdout = out }()

	opts, err := parseOptions(args, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-run: %v\n", err)
		return ExitUsage
	}
	watchdog := time.AfterFunc(opts.compileTimeout+opts.timeout+watchdogGrace, func() {
		fmt.Fprintln(os.Stderr, "sandbox-run: watchdog expired")
		os.Exit(exitStalled)
	})
	defer watchdog.Stop()

	return run(opts, out, os.Stderr)
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	fs := pflag.NewFlagSet("sandbox-run", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	skillPath := fs.String("skill", "", "path of the skill source file")
	timeoutMS := fs.Int64("timeout-ms", 5000, "execution budget in milliseconds")
	compileMS := fs.Int64("compile-timeout-ms", 10000, "compile budget in milliseconds")
	allow := fs.StringSlice("allow-imports", nil, "importable standard library packages")
	deny := fs.StringSlice("deny-imports", nil, "packages that may never be imported")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *skillPath == "" {
		return options{}, errors.New("--skill is required")
	}
	if *timeoutMS <= 0 || *compileMS <= 0 {
		return options{}, errors.New("budgets must be positive")
	}

	opts := options{
		skillPath:      *skillPath,
		timeout:        time.Duration(*timeoutMS) * time.Millisecond,
		compileTimeout: time.Duration(*compileMS) * time.Millisecond,
		policy:         sandbox.ImportPolicy{Allow: *allow, Deny: *deny}.Merge(sandbox.DefaultImportPolicy()),
		nonce:          getenv(sandbox.EnvNonce),
	}
	if opts.nonce == "" {
		return options{}, fmt.Errorf("%s is not set", sandbox.EnvNonce)
	}
	if raw := getenv(sandbox.EnvContext); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.snapshot); err != nil {
			return options{}, fmt.Errorf("decode %s: %w", sandbox.EnvContext, err)
		}
	}
	return opts, nil
}

// run compiles and executes the skill, writing protocol lines to out and
// interpreter output to errOut.
func run(opts options, out, errOut io.Writer) int {
	entry, err := compile(opts, errOut)
	if err != nil {
		return finish(out, opts.nonce, failed(sandbox.KindCompileError, err.Error()))
	}
	if err := sandbox.WriteLoaded(out, opts.nonce); err != nil {
		return ExitFailure
	}

	env := skillapi.NewEnv(opts.snapshot)
	res, panicked := entry.call(env)
	return finish(out, opts.nonce, report(env, res, panicked))
}

func compile(opts options, errOut io.Writer) (e *entry, err error) {
	src, err := os.ReadFile(opts.skillPath)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}
	imports, err := sandbox.SkillImports(opts.skillPath, src)
	if err != nil {
		return nil, err
	}
	if err := opts.policy.Check(imports); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			e, err = nil, fmt.Errorf("interpreter panicked: %v", r)
		}
	}()
	i := interp.New(interp.Options{Stdout: errOut, Stderr: errOut})
	if err := i.Use(stdlibFor(opts.policy)); err != nil {
		return nil, fmt.Errorf("load standard library: %w", err)
	}
	if err := i.Use(Symbols); err != nil {
		return nil, fmt.Errorf("load capability package: %w", err)
	}
	if _, err := i.Eval(string(src)); err != nil {
		return nil, err
	}
	fn, err := i.Eval("main." + EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("skill must define %s: %w", EntryPoint, err)
	}
	return bindEntry(fn)
}

func report(env *skillapi.Env, res outcome, panicked error) sandbox.Report {
	r := sandbox.Report{
		DoneReason: res.doneReason,
		Writes:     env.Writes(),
		Logs:       env.Logs(),
		APIVersion: skillapi.APIVersion,
	}
	switch {
	case env.Violated():
		r.ErrorKind, r.Error = sandbox.KindProtocolViolation, skillapi.SingleTransactionError
	case panicked != nil:
		r.ErrorKind, r.Error = sandbox.KindRuntimeError, panicked.Error()
	case res.err != nil && strings.Contains(res.err.Error(), skillapi.SingleTransactionMarker):
		r.ErrorKind, r.Error = sandbox.KindProtocolViolation, res.err.Error()
	case res.err != nil:
		r.ErrorKind, r.Error = sandbox.KindRuntimeError, res.err.Error()
	case math.IsNaN(res.reward) || math.IsInf(res.reward, 0):
		r.ErrorKind, r.Error = sandbox.KindRuntimeError, fmt.Sprintf("reward %v is not finite", res.reward)
	default:
		r.Success = true
		r.Reward = res.reward
	}

	receipt := res.receipt
	if receipt == nil {
		receipt = env.LastReceipt()
	}
	if receipt != nil {
		r.TxReceipt = sandbox.ReceiptJSON(receipt.Raw)
	}
	return r
}

func failed(kind sandbox.Kind, msg string) sandbox.Report {
	return sandbox.Report{ErrorKind: kind, Error: msg, APIVersion: skillapi.APIVersion}
}

func finish(out io.Writer, nonce string, r sandbox.Report) int {
	if err := sandbox.WriteReport(out, nonce, r); err != nil {
		return ExitFailure
	}
	if r.Success {
		return ExitOK
	}
	return ExitFailure
}

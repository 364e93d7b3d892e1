package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/pingcap-incubator/tinystm/stm"
	"github.com/pingcap-incubator/tinystm/stm/tqueue"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	shellTimeout time.Duration
	historyFile  string
)

func newShellCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over named transactional queues",
		Args:  cobra.NoArgs,
		RunE:  runShellCommandFunc,
	}
	m.Flags().DurationVar(&shellTimeout, "timeout", 5*time.Second, "How long pop and peek wait on an empty queue")
	m.Flags().StringVar(&historyFile, "history", "/tmp/stm-bench.history", "Readline history file")
	return m
}

// queueShell holds the named queues of a shell session.
type queueShell struct {
	engine  *stm.Engine
	timeout time.Duration
	out     io.Writer
	queues  map[string]*tqueue.TQueue[string]
}

func newQueueShell(engine *stm.Engine, timeout time.Duration, out io.Writer) *queueShell {
	return &queueShell{
		engine:  engine,
		timeout: timeout,
		out:     out,
		queues:  make(map[string]*tqueue.TQueue[string]),
	}
}

func runShellCommandFunc(cmd *cobra.Command, args []string) error {
	if err := initialGlobal(nil); err != nil {
		return err
	}
	s := newQueueShell(globalEngine, shellTimeout, cmd.OutOrStdout())
	return s.loop(historyFile)
}

// queue returns the queue called name, creating it on first use.
func (s *queueShell) queue(name string) *tqueue.TQueue[string] {
	q, ok := s.queues[name]
	if !ok {
		q = tqueue.New[string]()
		s.queues[name] = q
	}
	return q
}

func (s *queueShell) atomically(fn func(tx *stm.Txn) error) error {
	ctx, cancel := context.WithTimeout(globalContextOrBackground(), s.timeout)
	defer cancel()
	err := s.engine.Atomically(ctx, fn)
	if stm.IsCancelled(err) {
		return errors.Errorf("timed out after %s", s.timeout)
	}
	return err
}

func globalContextOrBackground() context.Context {
	if globalContext != nil {
		return globalContext
	}
	return context.Background()
}

func (s *queueShell) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "shell",
		Short:         "STM shell command",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(s.out)

	cmd.AddCommand(
		&cobra.Command{
			Use:                   "push queue value [value ...]",
			Short:                 "Append values to a queue in one transaction",
			Args:                  cobra.MinimumNArgs(2),
			RunE:                  s.runPush,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "pop queue",
			Short:                 "Remove and print the front of a queue; on an empty queue it times out after --timeout, since the shell runs one command at a time",
			Args:                  cobra.ExactArgs(1),
			RunE:                  s.runPop,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "trypop queue",
			Short:                 "Remove and print the front of a queue if there is one",
			Args:                  cobra.ExactArgs(1),
			RunE:                  s.runTryPop,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "peek queue",
			Short:                 "Print the front of a queue; on an empty queue it times out after --timeout, since the shell runs one command at a time",
			Args:                  cobra.ExactArgs(1),
			RunE:                  s.runPeek,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "flush queue",
			Short:                 "Remove and print every element of a queue",
			Args:                  cobra.ExactArgs(1),
			RunE:                  s.runFlush,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "size queue",
			Short:                 "Print the number of elements of a queue",
			Args:                  cobra.ExactArgs(1),
			RunE:                  s.runSize,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "empty queue",
			Short:                 "Print whether a queue is empty",
			Args:                  cobra.ExactArgs(1),
			RunE:                  s.runEmpty,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "move from to",
			Short:                 "Pop the front of one queue and push it to another in one transaction; times out after --timeout if the source is empty",
			Args:                  cobra.ExactArgs(2),
			RunE:                  s.runMove,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "queues",
			Short:                 "List the queues and their sizes",
			Args:                  cobra.NoArgs,
			RunE:                  s.runQueues,
			DisableFlagsInUseLine: true,
		},
	)
	return cmd
}

// exec runs one parsed shell line.
func (s *queueShell) exec(args []string) {
	cmd := s.command()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(s.out, "%v\n", err)
	}
}

func (s *queueShell) runPush(cmd *cobra.Command, args []string) error {
	q := s.queue(args[0])
	err := s.atomically(func(tx *stm.Txn) error {
		for _, v := range args[1:] {
			q.Write(tx, v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Push %d to %s ok\n", len(args)-1, args[0])
	return nil
}

func (s *queueShell) runPop(cmd *cobra.Command, args []string) error {
	q := s.queue(args[0])
	var v string
	if err := s.atomically(func(tx *stm.Txn) error {
		v = q.Pop(tx)
		return nil
	}); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%q\n", v)
	return nil
}

func (s *queueShell) runTryPop(cmd *cobra.Command, args []string) error {
	q := s.queue(args[0])
	var (
		v  string
		ok bool
	)
	if err := s.atomically(func(tx *stm.Txn) error {
		v, ok = q.TryPop(tx)
		return nil
	}); err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(s.out, "%s is empty\n", args[0])
		return nil
	}
	fmt.Fprintf(s.out, "%q\n", v)
	return nil
}

func (s *queueShell) runPeek(cmd *cobra.Command, args []string) error {
	q := s.queue(args[0])
	var v string
	if err := s.atomically(func(tx *stm.Txn) error {
		v = q.Peek(tx)
		return nil
	}); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%q\n", v)
	return nil
}

func (s *queueShell) runFlush(cmd *cobra.Command, args []string) error {
	q := s.queue(args[0])
	var vals []string
	if err := s.atomically(func(tx *stm.Txn) error {
		vals = q.Flush(tx)
		return nil
	}); err != nil {
		return err
	}
	if len(vals) == 0 {
		fmt.Fprintln(s.out, "0 elements")
		return nil
	}
	for i, v := range vals {
		fmt.Fprintf(s.out, "%d: %q\n", i+1, v)
	}
	return nil
}

func (s *queueShell) runSize(cmd *cobra.Command, args []string) error {
	q := s.queue(args[0])
	var n int
	if err := s.atomically(func(tx *stm.Txn) error {
		n = q.Size(tx)
		return nil
	}); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d\n", n)
	return nil
}

func (s *queueShell) runEmpty(cmd *cobra.Command, args []string) error {
	q := s.queue(args[0])
	var empty bool
	if err := s.atomically(func(tx *stm.Txn) error {
		empty = q.IsEmpty(tx)
		return nil
	}); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%t\n", empty)
	return nil
}

func (s *queueShell) runMove(cmd *cobra.Command, args []string) error {
	from, to := s.queue(args[0]), s.queue(args[1])
	var v string
	if err := s.atomically(func(tx *stm.Txn) error {
		v = from.Pop(tx)
		to.Write(tx, v)
		return nil
	}); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Move %q from %s to %s ok\n", v, args[0], args[1])
	return nil
}

func (s *queueShell) runQueues(cmd *cobra.Command, args []string) error {
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	sizes := make([]int, len(names))
	// One transaction, so the sizes are a consistent snapshot.
	if err := s.atomically(func(tx *stm.Txn) error {
		for i, name := range names {
			sizes[i] = s.queues[name].Size(tx)
		}
		return nil
	}); err != nil {
		return err
	}
	for i, name := range names {
		fmt.Fprintf(s.out, "%s\t%d\n", name, sizes[i])
	}
	return nil
}

func (s *queueShell) loop(history string) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31m»\033[0m ",
		HistoryFile:       history,
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				return nil
			} else if err == io.EOF {
				return nil
			}
			continue
		}
		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Fprintf(s.out, "bad line: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return nil
		}
		s.exec(args)
	}
}

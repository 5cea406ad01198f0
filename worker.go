package pomegranate

import (
	"bufio"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Mapper executes one map assignment and reports the intermediate files it
// produced, routed by reducer index.
type Mapper interface {
	Execute(in MapInput) (TaskInfo, []FileTriple, error)
}

// Reducer executes one reduce assignment over a set of intermediate file
// ids and reports the single output file it produced.
type Reducer interface {
	Execute(reduceIdx int, fids []int64) (TaskInfo, FileRef, error)
}

// Worker is a single-threaded executor of exactly one task at a time. It
// announces availability to its Master, performs the assigned computation
// through the Mapper or Reducer, and reports completion.
type Worker struct {
	ID      int
	comm    *Intercomm
	mapper  Mapper
	reducer Reducer
	store   BlobStore
	conf    *Config
	log     *logrus.Entry
}

// NewWorker wires a worker to its intercommunicator. store may be nil when
// the blob store is disabled.
func NewWorker(id int, comm *Intercomm, mapper Mapper, reducer Reducer, store BlobStore, conf *Config) *Worker {
	return &Worker{
		ID:      id,
		comm:    comm,
		mapper:  mapper,
		reducer: reducer,
		store:   store,
		conf:    conf,
		log: logrus.WithFields(logrus.Fields{
			"component": "worker",
			"worker":    id,
		}),
	}
}

// Run executes the worker loop until a QUIT message arrives.
func (w *Worker) Run() {
	for {
		w.comm.workerSend(WorkerMessage{Command: CmdAvailable})
		msg := w.comm.workerRecv()

		switch msg.Command {
		case CmdComputeMap:
			info, files, err := w.mapper.Execute(msg.Map)
			if err != nil {
				// A failed subprocess surfaces as an empty file list; the
				// work is still reported finished and operators detect the
				// loss through the counters.
				w.log.WithError(err).Error("map execution failed")
				files = nil
			}
			w.pushOutputs(files)
			if info.Elapsed > 0 {
				w.log.WithField("mb_s", float64(info.Bytes)/(1024*1024*info.Elapsed)).
					Debug("map performance")
			}
			w.comm.workerSend(WorkerMessage{
				Command:  CmdFinishedMap,
				Tag:      msg.Tag,
				Info:     info,
				MapFiles: files,
			})

		case CmdComputeReduce:
			reduceIdx := int(msg.Tag)
			w.pullInputs(reduceIdx, msg.ReduceInputs)

			info, out, err := w.reducer.Execute(reduceIdx, msg.ReduceInputs)
			var files []FileRef
			if err != nil {
				// Without an output there is nothing to acknowledge; an
				// empty result lets the Coordinator reject the ack without
				// touching its buckets.
				w.log.WithError(err).Error("reduce execution failed")
			} else {
				files = make([]FileRef, 0, len(msg.ReduceInputs)+1)
				files = append(files, out)
				for _, fid := range msg.ReduceInputs {
					files = append(files, FileRef{Fid: fid})
				}
				w.pushOutputs([]FileTriple{{Rid: reduceIdx, Fid: out.Fid, Size: out.Size}})
			}
			w.comm.workerSend(WorkerMessage{
				Command:     CmdFinishedReduce,
				Tag:         msg.Tag,
				Info:        info,
				ReduceFiles: files,
			})

		case CmdSleep:
			time.Sleep(msg.Sleep)

		case CmdQuit:
			return

		default:
			w.log.WithField("command", msg.Command.String()).Error("unexpected command")
		}
	}
}

// pullInputs downloads remote reduce inputs through the blob store.
func (w *Worker) pullInputs(reduceIdx int, fids []int64) {
	if w.store == nil {
		return
	}
	for _, fid := range fids {
		name := filepath.Join(w.conf.OutputPrefix, filepath.Base(FileName("", reduceIdx, fid)))
		if err := w.store.Download(name); err != nil {
			w.log.WithError(err).WithField("name", name).Warning("download failed")
		}
	}
}

// pushOutputs publishes produced files into the blob store.
func (w *Worker) pushOutputs(files []FileTriple) {
	if w.store == nil {
		return
	}
	for _, f := range files {
		name := filepath.Join(w.conf.OutputPrefix, filepath.Base(FileName("", f.Rid, f.Fid)))
		local := FileName(w.conf.OutputDir(), f.Rid, f.Fid)
		if err := w.store.Import(local, name); err != nil {
			w.log.WithError(err).WithField("name", name).Warning("import failed")
		}
	}
}

// ExecMapper drives the user-supplied map executable. The executable is
// invoked as
//
//	map-executable <num-reducer> <input-path> <output-dir> <limit-size>
//
// and reports each produced file on stdout as "=> <name> <rid> <size>".
type ExecMapper struct {
	conf *Config
	log  *logrus.Entry
}

// NewExecMapper builds a subprocess-backed Mapper from the configuration.
func NewExecMapper(conf *Config) *ExecMapper {
	return &ExecMapper{
		conf: conf,
		log:  logrus.WithField("component", "mapper"),
	}
}

// Execute implements Mapper.
func (m *ExecMapper) Execute(in MapInput) (TaskInfo, []FileTriple, error) {
	args := []string{
		strconv.Itoa(m.conf.NumReducer),
		in.Path,
		m.conf.OutputDir(),
		strconv.FormatInt(m.conf.ThresholdSize, 10),
	}
	m.log.WithFields(logrus.Fields{"docid": in.DocID, "path": in.Path}).Info("processing input")

	start := time.Now()
	lines, err := runExecutable(m.conf.MapExecutable, args)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return TaskInfo{Elapsed: elapsed}, nil, err
	}

	var (
		files   []FileTriple
		totSize int64
	)
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		rid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		fid, err := FileID(fields[0])
		if err != nil {
			m.log.WithError(err).Warning("skipping unparsable output line")
			continue
		}
		totSize += size
		files = append(files, FileTriple{Rid: rid, Fid: fid, Size: size})
	}
	return TaskInfo{Bytes: totSize, Elapsed: elapsed}, files, nil
}

// ExecReducer drives the user-supplied reduce executable. The executable is
// invoked as
//
//	reduce-executable <output-dir> <reduce-idx> <fid>...
//
// and reports its single output on stdout as "=> <name> <size>".
type ExecReducer struct {
	conf *Config
	log  *logrus.Entry
}

// NewExecReducer builds a subprocess-backed Reducer from the configuration.
func NewExecReducer(conf *Config) *ExecReducer {
	return &ExecReducer{
		conf: conf,
		log:  logrus.WithField("component", "reducer"),
	}
}

// Execute implements Reducer.
func (r *ExecReducer) Execute(reduceIdx int, fids []int64) (TaskInfo, FileRef, error) {
	args := []string{r.conf.OutputDir(), strconv.Itoa(reduceIdx)}
	for _, fid := range fids {
		args = append(args, strconv.FormatInt(fid, 10))
	}
	r.log.WithFields(logrus.Fields{"rid": reduceIdx, "inputs": len(fids)}).Info("reducing")

	start := time.Now()
	lines, err := runExecutable(r.conf.ReduceExecutable, args)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return TaskInfo{Elapsed: elapsed}, FileRef{}, err
	}

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		fid, err := FileID(fields[0])
		if err != nil {
			continue
		}
		return TaskInfo{Bytes: size, Elapsed: elapsed}, FileRef{Fid: fid, Size: size}, nil
	}
	return TaskInfo{Elapsed: elapsed}, FileRef{}, errors.New("reduce executable produced no output line")
}

// runExecutable spawns the program and collects the "=> " prefixed stdout
// lines carrying results, stripped of the prefix.
func runExecutable(path string, args []string) ([]string, error) {
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "pipe executable stdout")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", path)
	}

	var lines []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "=> ") {
			lines = append(lines, line[3:])
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return lines, errors.Wrapf(err, "wait for %s", path)
	}
	if scanErr != nil {
		return lines, errors.Wrap(scanErr, "read executable output")
	}
	return lines, nil
}

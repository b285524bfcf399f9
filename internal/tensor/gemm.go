package tensor

import (
	"runtime"
	"sync"
)

// Tile sizes for the blocked product. Variables so tests can sweep them.
const (
	defaultTileM = 32
	defaultTileN = 64

	maxTileM = 128
	maxTileN = 256

	// Products below this many multiply-adds run on the calling goroutine.
	parallelThreshold = 1 << 16
)

var (
	tileM = defaultTileM
	tileN = defaultTileN
)

func selectTiles(m, k, n int) (int, int) {
	if tileM != defaultTileM || tileN != defaultTileN {
		return clampTile(tileM, maxTileM), clampTile(tileN, maxTileN)
	}
	tm, tn := defaultTileM, defaultTileN
	// Long rows evict each other quickly; keep fewer of them per tile.
	switch {
	case k >= 4096:
		tn = 16
	case k >= 1024:
		tn = 32
	}
	return clampTile(tm, maxTileM), clampTile(tn, maxTileN)
}

func clampTile(value, max int) int {
	if value < 1 {
		return 1
	}
	if value > max {
		return max
	}
	return value
}

type gemmTask struct {
	y, x, w *Mat
	bias    []float32
	rs, re  int
	tm, tn  int
	done    chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

func newGemmPool() *gemmPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, size)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				linearRows(task.y, task.x, task.w, task.bias, task.rs, task.re, task.tm, task.tn)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var (
	poolOnce sync.Once
	workPool *gemmPool
)

func pool() *gemmPool {
	poolOnce.Do(func() { workPool = newGemmPool() })
	return workPool
}

// LinearPar computes y = x·wᵀ + bias like Linear, splitting the rows of x
// across at most workers goroutines (GOMAXPROCS when workers <= 0). Every
// output element is accumulated in the same order whatever the worker
// count, so results are bit-identical to a serial run.
func LinearPar(x, w *Mat, bias []float32, workers int) *Mat {
	if x.C != w.C {
		panic("gemm: input width does not match weight columns")
	}
	if bias != nil && len(bias) != w.R {
		panic("gemm: bias length does not match weight rows")
	}
	y := NewMat(x.R, w.R)
	if y.R == 0 || y.C == 0 {
		return y
	}
	tm, tn := selectTiles(x.R, x.C, w.R)

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if x.R*x.C*w.R < parallelThreshold {
		workers = 1
	}
	workers = min(workers, y.R)
	if workers <= 1 {
		linearRows(y, x, w, bias, 0, y.R, tm, tn)
		return y
	}
	p := pool()
	workers = min(workers, p.size)

	chunk := (y.R + workers - 1) / workers
	done := <-p.doneSlots
	n := 0
	for rs := 0; rs < y.R; rs += chunk {
		p.tasks <- gemmTask{y: y, x: x, w: w, bias: bias, rs: rs, re: min(rs+chunk, y.R), tm: tm, tn: tn, done: done}
		n++
	}
	for i := 0; i < n; i++ {
		<-done
	}
	p.doneSlots <- done
	return y
}

// linearRows fills rows [rs, re) of y. Tiles of tm input rows are crossed
// with tiles of tn weight rows so both stay cache resident.
func linearRows(y, x, w *Mat, bias []float32, rs, re, tm, tn int) {
	for i0 := rs; i0 < re; i0 += tm {
		iMax := min(i0+tm, re)
		for o0 := 0; o0 < w.R; o0 += tn {
			oMax := min(o0+tn, w.R)
			for i := i0; i < iMax; i++ {
				xr := x.Row(i)
				yr := y.Row(i)
				for o := o0; o < oMax; o++ {
					yr[o] = Dot(xr, w.Row(o))
				}
			}
		}
		if bias != nil {
			for i := i0; i < iMax; i++ {
				Add(y.Row(i), bias)
			}
		}
	}
}

package main

import (
	"fmt"
	"sync"
)

type stage struct {
	name string
	in   chan int
	out  chan int
}

func (s *stage) run(wg *sync.WaitGroup, scale int) {
	defer wg.Done()
	for v := range s.in {
		s.out <- v * scale
	}
	close(s.out)
}

func sum(xs ...int) (total int) {
	for _, x := range xs {
		total += x
	}
	return total
}

func main() {
	var wg sync.WaitGroup
	first := &stage{name: "first", in: make(chan int), out: make(chan int)}
	second := &stage{name: "second", in: first.out, out: make(chan int)}

	wg.Add(2)
	go first.run(&wg, 2)
	go second.run(&wg, 3)

	go func(n int) {
		for i := 0; i < n; i++ {
			first.in <- i
		}
		close(first.in)
	}(10)

	var results []int
	for v := range second.out {
		results = append(results, v)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fmt.Println(sum(results...))
	}()
	<-done
}

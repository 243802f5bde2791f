package main

import "fmt"

type Number interface {
	~int | ~float64
}

type Vec[T Number] []T

func (v Vec[T]) Dot(w Vec[T]) (r T) {
	for i := range v {
		r += v[i] * w[i]
	}
	return r
}

func Map[T, U any](xs []T, fn func(T) U) []U {
	out := make([]U, 0, len(xs))
	for _, x := range xs {
		out = append(out, fn(x))
	}
	return out
}

func report[T any](ch chan<- string, v T) {
	ch <- fmt.Sprint(v)
}

func main() {
	v := Vec[float64]{1, 2, 3}
	ch := make(chan string, 2)
	go report(ch, v.Dot(v))
	go report[[]string](ch, Map([]int{1, 2}, func(i int) string { return fmt.Sprint(i) }))
	fmt.Println(<-ch, <-ch)
}

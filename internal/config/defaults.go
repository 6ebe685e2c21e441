package config

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("model", "claude-3-5-haiku-20241022")
	v.SetDefault("max_tokens", 1024)
	v.SetDefault("temperature", 0.7)
	v.SetDefault("system_prompt", DefaultSystemPrompt)

	v.SetDefault("budget.total", 6000)
	v.SetDefault("budget.system", 1200)
	v.SetDefault("budget.memory", 800)

	v.SetDefault("memory.backend", "memory")
	v.SetDefault("memory.top_k", 5)
	v.SetDefault("memory.query_timeout", 2*time.Second)
	v.SetDefault("memory.write_queue", 64)
	v.SetDefault("memory.workers", 2)
	v.SetDefault("memory.cache_size", 100)
	v.SetDefault("memory.cache_ttl", 5*time.Minute)
	v.SetDefault("memory.dedup_threshold", 0.8)

	v.SetDefault("qdrant.url", "http://localhost:6333")
	v.SetDefault("qdrant.collection", "aida_memories")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)

	v.SetDefault("orchestrator.max_iterations", 5)
	v.SetDefault("orchestrator.tool_timeout", 30*time.Second)
	v.SetDefault("orchestrator.turn_timeout", 2*time.Minute)
	v.SetDefault("orchestrator.salience", "answer_len >= 40 && !fallback")

	v.SetDefault("session.idle_timeout", 300*time.Second)
	v.SetDefault("session.warn_after", 250*time.Second)
	v.SetDefault("session.sweep_every", 30*time.Second)
	v.SetDefault("session.max_turns", 500)

	v.SetDefault("voice.listen_timeout", 10*time.Second)
	v.SetDefault("voice.greeting", "Listening now, tell me how I can assist.")
	v.SetDefault("voice.audio_dir", "audio")
	v.SetDefault("voice.audio_retention", time.Hour)
	v.SetDefault("voice.wake_words", []string{"", "wake", "jarvis", "hey aida", "aida"})

	v.SetDefault("search.url", "https://api.perplexity.ai/chat/completions")
	v.SetDefault("search.model", "sonar")
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.max_chars", 1000)
	v.SetDefault("search.retries", 3)
	v.SetDefault("search.safe_dial", true)

	v.SetDefault("tts.voice_id", "DsPSGqcqUCSgArVUBBGy")
	v.SetDefault("tts.model", "eleven_turbo_v2")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.burst", 10)

	v.SetDefault("log.level", "info")
}
